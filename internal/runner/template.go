package runner

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
)

// ExpandTemplates rewrites the job pointed to by in, replacing ${VAR}
// references with values from variables.
//
// Strings, *string and []string fields are expanded only when tagged
// `template` (`template:"-"` opts out). map[string]string values are always
// expanded. Structs, pointers to structs and slices of either are walked
// recursively. Every failing field is reported, prefixed with its yaml path.
func ExpandTemplates[T any](in *T, variables map[string]string) error {
	if in == nil {
		return nil
	}

	w := &templateWalker{variables: variables}
	v := reflect.ValueOf(in).Elem()
	switch v.Kind() {
	case reflect.Struct:
		w.walkStruct("", v)
	case reflect.Slice:
		w.walkSlice("", v, true)
	default:
		return fmt.Errorf("ExpandTemplates expects *struct or *[]struct; got *%s", v.Type())
	}
	return w.errs
}

type templateWalker struct {
	variables map[string]string
	errs      error
}

func (w *templateWalker) expand(path string, value string) (string, bool) {
	out, err := Expand(value, w.variables)
	if err != nil {
		if path != "" {
			err = fmt.Errorf("%s: %w", path, err)
		}
		w.errs = errors.Join(w.errs, err)
		return "", false
	}
	return out, true
}

func (w *templateWalker) walkStruct(path string, v reflect.Value) {
	typ := v.Type()
	for i := range typ.NumField() {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}

		tag, tagged := sf.Tag.Lookup("template")
		templated := tagged && tag != "-"
		field := v.Field(i)
		fieldPath := joinPath(path, fieldName(sf))

		switch field.Kind() {
		case reflect.String:
			if !templated {
				continue
			}
			if out, ok := w.expand(fieldPath, field.String()); ok {
				field.SetString(out)
			}

		case reflect.Ptr:
			if field.IsNil() {
				continue
			}
			elem := field.Elem()
			switch elem.Kind() {
			case reflect.String:
				if !templated {
					continue
				}
				if out, ok := w.expand(fieldPath, elem.String()); ok {
					// never write through a pointer the caller may share
					field.Set(reflect.ValueOf(&out))
				}
			case reflect.Struct:
				w.walkStruct(fieldPath, elem)
			}

		case reflect.Map:
			if field.IsNil() || field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
				continue
			}
			out, err := ExpandMap(field.Interface().(map[string]string), w.variables)
			if err != nil {
				w.errs = errors.Join(w.errs, fmt.Errorf("%s: %w", fieldPath, err))
				continue
			}
			field.Set(reflect.ValueOf(out))

		case reflect.Struct:
			w.walkStruct(fieldPath, field)

		case reflect.Slice:
			w.walkSlice(fieldPath, field, templated)
		}
	}
}

func (w *templateWalker) walkSlice(path string, v reflect.Value, templated bool) {
	if v.IsNil() {
		return
	}

	elem := v.Type().Elem()
	for i := range v.Len() {
		item := v.Index(i)
		itemPath := fmt.Sprintf("%s[%d]", path, i)

		switch {
		case elem.Kind() == reflect.String:
			if !templated {
				return
			}
			if out, ok := w.expand(itemPath, item.String()); ok {
				item.SetString(out)
			}
		case elem.Kind() == reflect.Struct:
			w.walkStruct(itemPath, item)
		case elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct:
			if !item.IsNil() {
				w.walkStruct(itemPath, item.Elem())
			}
		default:
			return
		}
	}
}

func fieldName(sf reflect.StructField) string {
	if name, _, _ := strings.Cut(sf.Tag.Get("yaml"), ","); name != "" && name != "-" {
		return name
	}
	return sf.Name
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// Expand replaces ${VAR} references in value. Referencing a variable that is
// not defined is an error; all missing names are reported together.
func Expand(value string, variables map[string]string) (string, error) {
	var missing []string

	out := os.Expand(value, func(key string) string {
		val, ok := variables[key]
		if !ok {
			missing = append(missing, key)
		}
		return val
	})

	if len(missing) > 0 {
		errs := make([]error, 0, len(missing))
		for _, key := range missing {
			errs = append(errs, fmt.Errorf("variable %q is not defined (built-in or allowed with --allowed-env)", key))
		}
		return "", errors.Join(errs...)
	}
	return out, nil
}

// ExpandMap expands every value of values into a new map.
func ExpandMap(values map[string]string, variables map[string]string) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}

	out := make(map[string]string, len(values))
	var errs error
	for k, v := range values {
		expanded, err := Expand(v, variables)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		out[k] = expanded
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}
