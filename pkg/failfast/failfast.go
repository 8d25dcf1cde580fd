package failfast

import (
	"fmt"
	"reflect"
)

// Err panics if err != nil. Reserved for programmer errors in constructors;
// runtime failures are returned as errors, never panicked.
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w", err))
	}
}

// If panics if condition is false.
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if ptr is nil, including typed nil pointers and nil funcs.
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Func || v.Kind() == reflect.Interface) && v.IsNil() {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
}
