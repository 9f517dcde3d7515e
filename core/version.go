// Copyright (c) 2021 Eolo S.p.A. and Altran Italia S.p.A. and/or them affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.

package core

import "fmt"

//version.go

// Support variable for traceability, set by -ldflags -X
var (
	BuildVersion string = "dev"
	BuildDate    string = ""
	BuildTime    string = ""
	BuildBy      string = ""
)

// VersionString one line for -V
func VersionString() string {
	return fmt.Sprintf("emu6 %s built %s %s by %s", BuildVersion, BuildDate, BuildTime, BuildBy)
}
