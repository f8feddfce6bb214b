package params

// Pixel budgets the worker GPUs can handle per image, by upscaler family.
// Latent upscaling is cheaper than the ESRGAN family.
const (
	maxPixelsLatent = 1536 * 1536
	maxPixelsESRGAN = 1024 * 2000

	// Above this output size the default batch drops from 4 to 2.
	largePixels = 768 * 768

	batchLimit = 4

	seedMax = 4294967294
)

// round8 rounds n down to a multiple of 8, the latent block size. Never
// returns less than one block.
func round8(n int) int {
	if n < 8 {
		return 8
	}
	return n - n%8
}

// Autosize returns the largest dimensions preserving the source aspect ratio
// with neither edge above maxSize, rounded down to multiples of 8. Non-positive
// source dimensions produce a square.
func Autosize(srcW, srcH, maxSize int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = 1, 1
	}
	longest := max(srcW, srcH)
	ratio := float64(maxSize) / float64(longest)
	return round8(int(ratio * float64(srcW))), round8(int(ratio * float64(srcH)))
}

// ScaleDims multiplies base dimensions by scale, rounding each down to a
// multiple of 8.
func ScaleDims(w, h int, scale float64) (int, int) {
	return round8(int(float64(w) * scale)), round8(int(float64(h) * scale))
}

// MaxBatchSize returns how many images of w x h output size fit the pixel
// budget for the given upscaler, capped at the batch limit. Zero means the
// request cannot run at all.
func MaxBatchSize(w, h int, upscaler string) int {
	budget := maxPixelsLatent
	if upscaler != "Latent" {
		budget = maxPixelsESRGAN
	}
	return min(budget/(w*h), batchLimit)
}

// DefaultBatchSize picks the batch used when the submitter did not ask for
// one: large outputs get 2, everything else 4.
func DefaultBatchSize(w, h int) int {
	if w*h > largePixels {
		return 2
	}
	return batchLimit
}
