package cdphost

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ConfigPlaceholder is replaced in the shim template with the JSON binding configuration.
const ConfigPlaceholder = "/*{{SENTINEL_SHIM_CONFIG}}*/"

// Binding names exposed to the page through Runtime.addBinding.
const (
	BindingNavigate = "__sentinelNavigate"
	BindingPopState = "__sentinelPopState"
	BindingRecord   = "__sentinelRecord"
	BindingVital    = "__sentinelVital"
)

//go:embed shim.js
var shimTemplate string

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ShimConfig names the bindings the shim reports through.
type ShimConfig struct {
	NavBinding    string `json:"navBinding"`
	PopBinding    string `json:"popBinding"`
	RecordBinding string `json:"recordBinding"`
	VitalBinding  string `json:"vitalBinding"`
}

// DefaultShimConfig wires the shim to the package's binding names.
func DefaultShimConfig() ShimConfig {
	return ShimConfig{
		NavBinding:    BindingNavigate,
		PopBinding:    BindingPopState,
		RecordBinding: BindingRecord,
		VitalBinding:  BindingVital,
	}
}

// BuildShim injects cfg into template.
func BuildShim(template string, cfg ShimConfig) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, ConfigPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	if cfg.NavBinding == "" || cfg.PopBinding == "" || cfg.RecordBinding == "" || cfg.VitalBinding == "" {
		return "", fmt.Errorf("every binding name must be set")
	}

	configJSON, err := codec.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode shim config: %w", err)
	}
	return strings.Replace(template, ConfigPlaceholder, string(configJSON), 1), nil
}
