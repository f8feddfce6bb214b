package model

// GenerationRequest is the fully resolved parameter snapshot frozen into a
// job at submission time. Every field holds a final value: defaults and user
// preferences are already applied, the seed is drawn, dimensions are sized,
// and the prompt carries its prefixes. Replays reconstruct their starting
// point from this snapshot alone.
//
// Width and Height are the final output dimensions with any scale folded in.
// BaseWidth and BaseHeight keep the pre-scale base so a replay can rerun the
// sizing ladder without applying scale twice.
type GenerationRequest struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Model             string  `json:"model"`
	VAE               string  `json:"vae"`
	Sampler           string  `json:"sampler"`
	Steps             int     `json:"steps"`
	CFGScale          float64 `json:"cfg_scale"`
	Seed              int64   `json:"seed"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	BaseWidth         int     `json:"base_width"`
	BaseHeight        int     `json:"base_height"`
	BatchSize         int     `json:"batch_size"`
	Scale             float64 `json:"scale"`
	Upscaler          string  `json:"upscaler"`
	HighresSteps      int     `json:"highres_steps"`
	DenoisingStrength float64 `json:"denoising_strength"`
	ResizeMode        string  `json:"resize_mode,omitempty"`
	SourceImage       string  `json:"source_image,omitempty"`
}

// Mode derives the generation mode from the snapshot. Normalization only
// sets SourceImage on img2img requests, so its presence decides.
func (r GenerationRequest) Mode() string {
	if r.SourceImage != "" {
		return ModeImg2Img
	}
	return ModeTxt2Img
}
