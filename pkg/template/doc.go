// Package template is the seam between the pipeline core and the job
// description renderer. The core only assembles parameter
// dictionaries from the node tree and the catalog; what the rendered
// job looks like is entirely the template's business. FileRenderer is
// the bundled Go-template engine.
package template
