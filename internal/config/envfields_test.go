//nolint:testpackage // internal test needs access to unexported field lists
package config

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEnvFieldsCoverStructFields verifies that accountEnvFields contains all
// fields from AccountConfig. This test will fail if a new field is added to
// the struct but not added to the env fields list.
func TestEnvFieldsCoverStructFields(t *testing.T) {
	t.Run("accountEnvFields covers AccountConfig", func(t *testing.T) {
		expected := extractMapstructureFields(reflect.TypeFor[AccountConfig](), "")
		sort.Strings(expected)

		actual := make([]string, len(accountEnvFields))
		copy(actual, accountEnvFields)
		sort.Strings(actual)

		assert.Equal(t, expected, actual,
			"accountEnvFields must contain all fields from AccountConfig.\n"+
				"If you added a new field to AccountConfig, add it to accountEnvFields in config.go")
	})
}

// extractMapstructureFields recursively extracts all mapstructure tag values from a struct type.
// For nested structs, it prefixes the field names with the parent's mapstructure tag.
func extractMapstructureFields(t reflect.Type, prefix string) []string {
	var fields []string

	for i := range t.NumField() {
		field := t.Field(i)

		// Get the mapstructure tag value
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		fullName := tag
		if prefix != "" {
			fullName = prefix + "." + tag
		}

		// If the field is a struct, recurse into it
		if field.Type.Kind() == reflect.Struct {
			nested := extractMapstructureFields(field.Type, fullName)
			fields = append(fields, nested...)
		} else {
			fields = append(fields, fullName)
		}
	}

	return fields
}
