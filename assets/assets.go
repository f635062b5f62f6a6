// Package assets embeds the front-end bundle the transport layer serves
// to the browser. In the original system this directory is populated by
// an external build pipeline (out of scope per spec.md §1); here it holds
// a minimal static placeholder so the transport layer has something real
// to embed and serve (spec.md §9: "the embedded front-end bundle is the
// only process-wide datum; it is read-only").
package assets

import "embed"

//go:embed dist
var Dist embed.FS
