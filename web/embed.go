package web

import "embed"

// FS contains the status page served at / (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
