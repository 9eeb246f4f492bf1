// Package types provides core types used across the taskflow engine.
// This package has ZERO dependencies on other taskflow packages to avoid circular imports.
// All other packages should import types from here.
package types
