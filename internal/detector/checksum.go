package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"tepmonitor/pkg/tep"
)

// computeChecksum derives a content hash over the shape-defining fields of
// a baseline (feature names, F, P, threshold) so a truncated or
// shape-mismatched artifact is caught even if its header claims otherwise.
func computeChecksum(m *tep.BaselineModel) string {
	h := sha256.New()
	for _, name := range m.FeatureNames {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "F=%d;P=%d;T=%s", m.F(), m.P(), strconv.FormatFloat(m.ThresholdT2, 'g', -1, 64))
	return hex.EncodeToString(h.Sum(nil))
}
