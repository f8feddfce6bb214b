package api

import (
	"net/http"

	"github.com/easelhq/easel/internal/config"
	"github.com/easelhq/easel/internal/params"
)

// infoResponse describes the installed content and the accepted parameters
// so a front-end can render pickers and help text without hardcoding them.
type infoResponse struct {
	Models     []string          `json:"models"`
	VAEs       []string          `json:"vaes"`
	Loras      []extensionInfo   `json:"loras"`
	Embeddings []extensionInfo   `json:"embeddings"`
	Parameters []parameterInfo   `json:"parameters"`
	Usage      map[string]string `json:"usage"`
}

type extensionInfo struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger,omitempty"`
}

type parameterInfo struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Default     any      `json:"default"`
	Options     []string `json:"options,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Pref        bool     `json:"preference"`
}

// usageText is the per-command help served by the info endpoint.
var usageText = map[string]string{
	"generate": "POST /v1/generate with user_id, prompt, and an optional params " +
		"object. Omitted parameters fall back to your stored preferences, then " +
		"to the defaults listed under parameters. Returns the queued job with " +
		"its ack correlation id.",
	"img2img": "POST /v1/img2img with user_id, prompt, image_url, and the source " +
		"image_width/image_height. With autosize on, the output is sized from " +
		"the source aspect ratio; width/height are ignored.",
	"again": "POST /v1/again with user_id and the correlation_id of an earlier " +
		"job to rerun it with the same resolved settings, including the seed. " +
		"Pass alterations to override individual values (seed: -1 re-rolls) or " +
		"image_url to swap the source image.",
	"preferences": "PUT /v1/users/{userID}/preferences with a map of parameter " +
		"names to values. A null value clears the stored preference. Stored " +
		"values fill in whatever a submission leaves out.",
	"info": "GET /v1/info lists the installed models, VAEs, loras, and " +
		"embeddings with their trigger text, plus every accepted parameter.",
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Models:     s.catalog.Models,
		VAEs:       s.catalog.VAEs,
		Loras:      extensionInfos(s.catalog.Loras),
		Embeddings: extensionInfos(s.catalog.Embeddings),
		Parameters: parameterInfos(),
		Usage:      usageText,
	}
	if resp.Models == nil {
		resp.Models = []string{}
	}
	if resp.VAEs == nil {
		resp.VAEs = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func extensionInfos(exts []config.Extension) []extensionInfo {
	out := make([]extensionInfo, 0, len(exts))
	for _, e := range exts {
		out = append(out, extensionInfo{Name: e.Name, Trigger: e.Trigger})
	}
	return out
}

func parameterInfos() []parameterInfo {
	fields := params.Fields()
	out := make([]parameterInfo, 0, len(fields))
	for _, f := range fields {
		p := parameterInfo{
			Key:         f.Key,
			Description: f.Desc,
			Default:     f.Default,
			Options:     f.Options,
			Pref:        f.Pref,
		}
		if f.Bounded {
			mn, mx := f.Min, f.Max
			p.Min, p.Max = &mn, &mx
		}
		out = append(out, p)
	}
	return out
}
