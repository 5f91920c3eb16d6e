package session

import "os"

func processEnviron() []string { return os.Environ() }
