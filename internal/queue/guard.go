package queue

import (
	"fmt"
	"reflect"
	"time"

	"github.com/rendis/graphrun/pkg/schema"
)

var (
	persistedType = reflect.TypeOf((*schema.PersistedModel)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
)

const maxGuardDepth = 32

// findPersisted walks v and reports the path of the first value whose type
// implements schema.PersistedModel.
func findPersisted(v any) (string, bool) {
	seen := make(map[uintptr]bool)
	return walk(reflect.ValueOf(v), "event", 0, seen)
}

func walk(v reflect.Value, path string, depth int, seen map[uintptr]bool) (string, bool) {
	if !v.IsValid() || depth > maxGuardDepth || v.Type() == timeType {
		return "", false
	}
	if v.Kind() != reflect.Interface && v.Type().Implements(persistedType) {
		return path, true
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return "", false
		}
		return walk(v.Elem(), path, depth+1, seen)
	case reflect.Pointer:
		if v.IsNil() {
			return "", false
		}
		if seen[v.Pointer()] {
			return "", false
		}
		seen[v.Pointer()] = true
		return walk(v.Elem(), path, depth+1, seen)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if p, ok := walk(v.Field(i), path+"."+t.Field(i).Name, depth+1, seen); ok {
				return p, true
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if p, ok := walk(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key()), depth+1, seen); ok {
				return p, true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if p, ok := walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1, seen); ok {
				return p, true
			}
		}
	}
	return "", false
}
