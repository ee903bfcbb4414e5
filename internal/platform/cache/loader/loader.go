// Package loader registers cache drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/MahdiBaghbani/onboarding-go/internal/platform/cache/loader"
package loader

import (
	_ "github.com/MahdiBaghbani/onboarding-go/internal/platform/cache/memory"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/platform/cache/redis"
)
