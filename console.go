package main

import (
	_ "embed"
	"net/http"
)

//go:embed console.html
var consolePage []byte

// handleConsole serves the embedded single-page test console.
func handleConsole(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(consolePage)
}
