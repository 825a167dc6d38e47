// Package search implements the research tools: web, news, academic and
// market searches plus page scraping. Register adds all of them to a
// tools.Registry.
package search
