package emulator

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// dsn builds a modernc.org/sqlite DSN from a path and pragma
// key-value pairs, each rendered as _pragma=key(value).
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}
