package main

import (
	"github.com/shelfwatch/harvester/internal/adapter"
	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/orchestrator"
)

// builtinSites maps source types to the site integrations compiled into this
// binary. A site package implements adapter.Site (or adapter.RenderedSite for
// JavaScript-heavy storefronts); adding an entry here is all a new
// integration needs.
var builtinSites = map[harvester.SourceType]adapter.Site{}

// installAdapters wraps each built-in site in the shared crawl runner and
// registers the resulting factory with the orchestrator.
func installAdapters(registry *orchestrator.Registry, deps adapter.Deps) {
	for sourceType, site := range builtinSites {
		registry.Register(sourceType, adapter.NewFactory(site, deps))
	}
}
