package config

import (
	"reflect"
)

// DeepMerge overlays src onto dst. Both must be pointers to the same type.
// Non-zero scalars in src win, non-empty slices replace, maps merge per key
// and structs merge field by field.
func DeepMerge(dst, src any) {
	dv := reflect.ValueOf(dst)
	sv := reflect.ValueOf(src)
	if dv.Kind() != reflect.Pointer || sv.Kind() != reflect.Pointer || dv.Type() != sv.Type() {
		return
	}
	merge(dv.Elem(), sv.Elem())
}

func merge(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := range dst.NumField() {
			merge(dst.Field(i), src.Field(i))
		}
	case reflect.Map:
		if src.IsNil() {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		iter := src.MapRange()
		for iter.Next() {
			cur := dst.MapIndex(iter.Key())
			if !cur.IsValid() {
				dst.SetMapIndex(iter.Key(), iter.Value())
				continue
			}
			merged := reflect.New(cur.Type()).Elem()
			merged.Set(cur)
			merge(merged, iter.Value())
			dst.SetMapIndex(iter.Key(), merged)
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}
