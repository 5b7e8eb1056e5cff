package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// LabeledFlag is a flag.Value collecting repeated name=v1,v2,... arguments into 1-D tensors.
type LabeledFlag Labeled

func (f LabeledFlag) String() string {
	return fmt.Sprint(Labeled(f).Names())
}

func (f LabeledFlag) Set(s string) error {
	name, list, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=v1,v2,..., got %q", s)
	}
	var values []float32
	for _, field := range strings.Split(list, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return fmt.Errorf("parsing value for %q: %w", name, err)
		}
		values = append(values, float32(v))
	}
	f[name] = New(values)
	return nil
}
