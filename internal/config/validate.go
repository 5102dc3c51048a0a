package config

import (
	"fmt"
	"math"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateWeightSum, WeightsConfig{})
	return v
}

// The four scoring weights must sum to 1.
func validateWeightSum(sl validator.StructLevel) {
	w := sl.Current().Interface().(WeightsConfig)
	if math.Abs(w.Success+w.Latency+w.Cost+w.Approval-1) > 1e-6 {
		sl.ReportError(w.Success, "Success", "success", "weightsum", "")
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("invalid config: agents[%d] has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("invalid config: duplicate agent %q", id)
		}
		seen[id] = true
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("invalid config: metrics.addr: %w", err)
		}
	}
	return nil
}
