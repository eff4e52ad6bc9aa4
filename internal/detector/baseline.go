package detector

import (
	"encoding/json"
	"fmt"
	"os"

	"tepmonitor/pkg/tep"
)

// LoadBaseline reads a BaselineModel from a JSON artifact at path and
// validates it per §3/§4.B before returning it. The artifact format is
// implementation-defined; JSON is used here because it is self-describing
// enough to reject mismatched shapes without a separate schema.
func LoadBaseline(path string) (*tep.BaselineModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detector: read baseline %s: %w", path, err)
	}
	var m tep.BaselineModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("detector: decode baseline %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("detector: invalid baseline %s: %w", path, err)
	}
	if m.Checksum != "" {
		if want := computeChecksum(&m); want != m.Checksum {
			return nil, tep.ErrChecksumMismatch
		}
	}
	return &m, nil
}
