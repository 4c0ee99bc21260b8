//go:build !windows

package updater

const exeSuffix = ""
