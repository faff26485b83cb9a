// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
	"time"
)

// unknownProbe stands in for any environment probe that fails. A machine
// where a probe fails consistently still fingerprints consistently.
const unknownProbe = "unknown"

// Fingerprint identifies the machine and environment a session was bound
// to. The hash is what gets persisted and compared; the components are kept
// for diagnostics and for explaining a mismatch.
type Fingerprint struct {
	Hash     string `json:"hash"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`
}

// Collect probes the environment and derives the device fingerprint. Every
// probe degrades to "unknown" rather than failing, so collection always
// succeeds.
func Collect() Fingerprint {
	fp := Fingerprint{
		Hostname: probeHostname(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Locale:   probeLocale(),
		Timezone: probeTimezone(),
	}

	h := sha256.New()
	for _, component := range []string{fp.Hostname, fp.OS, fp.Arch, fp.Locale, fp.Timezone} {
		h.Write([]byte(component))
		h.Write([]byte{0}) // separator so component boundaries cannot shift
	}
	fp.Hash = hex.EncodeToString(h.Sum(nil))
	return fp
}

func probeHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return unknownProbe
	}
	return name
}

// probeLocale reads the POSIX locale chain. There is no portable locale API
// in the standard library; the environment is the convention everywhere we
// run.
func probeLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			// "en_US.UTF-8" and "en_US.utf8" are the same locale.
			if i := strings.IndexByte(v, '.'); i > 0 {
				v = v[:i]
			}
			return v
		}
	}
	return unknownProbe
}

func probeTimezone() string {
	name, _ := time.Now().Zone()
	if name == "" {
		return unknownProbe
	}
	return name
}
