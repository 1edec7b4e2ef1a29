package gateway

import (
	"encoding/json"
	"hash/fnv"
	"strconv"

	"fleetbot/internal/sheets"
)

// fingerprint derives a deterministic cache key from a read request.
// Only the fields that select data participate; payload fields are not
// part of read requests.
func fingerprint(req sheets.Request) string {
	key := struct {
		Op        sheets.Op `json:"op"`
		Worksheet string    `json:"ws"`
		StartRow  int       `json:"sr,omitempty"`
		RowCount  int       `json:"rc,omitempty"`
		StartCol  int       `json:"sc,omitempty"`
	}{req.Op, req.Worksheet, req.StartRow, req.RowCount, req.StartCol}

	b, err := json.Marshal(key)
	if err != nil {
		// Marshal of a flat struct of strings/ints cannot fail; keep a
		// stable fallback anyway.
		return string(req.Op) + "|" + req.Worksheet
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}
