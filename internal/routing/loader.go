package routing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// LoadFile reads a JSON array of rules. File order is creation order.
func LoadFile(path string) ([]types.RoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	var rules []types.RoutingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	return rules, nil
}
