// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package version exposes the build version, filled in by the linker for
// release builds.
package version

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.mau.fi/mxcore/pkg/mxcore/mxapi"
)

const StaticVersion = "0.1.0"

// Set with -ldflags at build time.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	Version     string
	Description string
)

func init() {
	if strings.TrimPrefix(Tag, "v") == StaticVersion {
		Version = StaticVersion
	} else if len(Commit) > 8 {
		Version = fmt.Sprintf("%s+dev.%s", StaticVersion, Commit[:8])
	} else {
		Version = StaticVersion + "+dev.unknown"
	}

	builtWith := runtime.Version()
	if parsed, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		builtWith = fmt.Sprintf("built at %s with %s", parsed.Format(time.RFC1123), builtWith)
	}
	Description = fmt.Sprintf("mxcore %s (%s)", Version, builtWith)
	mxapi.DefaultUserAgent = "mxcore/" + Version
}
