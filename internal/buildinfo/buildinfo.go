// Package buildinfo holds identity constants set at build time via -ldflags.
package buildinfo

// Name is the program name, matching defaults.h's SALDL_NAME.
const Name = "saldl"

// WWW is the project homepage.
const WWW = "https://github.com/saldl-go/saldl"

// Version is overridden at build time with -ldflags "-X ...Version=...".
var Version = "dev"
