package worker

import (
	"strings"

	"github.com/easelhq/easel/internal/model"
)

// oomSignatures are the backend error fragments that identify resource
// exhaustion. Anything else a worker reports is a generic backend error.
var oomSignatures = []string{
	"CUDA out of memory",
	"OutOfMemoryError",
	"not enough memory",
}

// oomGuidance is the remediation hint attached to out-of-memory failures.
const oomGuidance = "reduce the image size or batch size, or switch to the Latent upscaler, which needs less memory"

// Outcome is the classified result of one dispatch exchange.
type Outcome struct {
	OK        bool
	Artifacts []string
	Kind      string
	Detail    string
	Guidance  string
}

// Classify interprets a worker exchange. A transport error (including a
// deadline expiry) means the worker is unreachable; a reported failure is
// inspected for out-of-memory signatures; everything else with a succeeded
// status is a success carrying artifact references.
func Classify(result PollResult, err error) Outcome {
	if err != nil {
		return Outcome{
			Kind:   model.FailureUnreachable,
			Detail: err.Error(),
		}
	}

	switch result.Status {
	case model.StatusSucceeded:
		return Outcome{OK: true, Artifacts: result.Artifacts}
	case model.StatusFailed:
		for _, sig := range oomSignatures {
			if strings.Contains(result.Error, sig) {
				return Outcome{
					Kind:     model.FailureOutOfMemory,
					Detail:   result.Error,
					Guidance: oomGuidance,
				}
			}
		}
		return Outcome{
			Kind:   model.FailureBackend,
			Detail: result.Error,
		}
	default:
		return Outcome{
			Kind:   model.FailureBackend,
			Detail: "worker reported unexpected status " + result.Status,
		}
	}
}
