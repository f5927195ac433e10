package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
)

// parsePMSUpload validates a PMS export and produces the parse summary that
// lands in the progress record for the reviewers. Exports arrive either as
// a top-level array of records or as an object with a "records" field.
func parsePMSUpload(raw []byte) (map[string]any, error) {
	var records []map[string]json.RawMessage

	if err := json.Unmarshal(raw, &records); err != nil {
		var wrapper struct {
			Records []map[string]json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedUpload)
		}
		records = wrapper.Records
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrMalformedUpload)
	}

	fieldSet := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	return map[string]any{
		"records_parsed": len(records),
		"fields":         fields,
	}, nil
}
