package receipt

import (
	"encoding/json"
	"io"
)

// JSONRenderer writes the receipt as indented JSON
type JSONRenderer struct{}

func (JSONRenderer) ContentType() string { return "application/json; charset=utf-8" }

func (JSONRenderer) Render(w io.Writer, r *Receipt) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
