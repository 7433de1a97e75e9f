// Package config loads everything a seqsynth run is configured with:
// operation catalogs written in CUE, the YAML or CUE run configuration, and
// Starlark ranking scripts.
//
// # Catalogs
//
// A catalog describes one C library: its resource roles, and for every
// operation its parameters, result, lifecycle effects and declared coverage
// branches. Catalogs are CUE values checked against the built-in #Catalog
// schema, decoded into an engine.Catalog, validated with struct tags and
// finally checked for contract consistency by engine.Catalog.Validate. Any
// failure is reported as a catalog inconsistency; schema and syntax problems
// carry file positions in a *LoadError.
//
//	loader := config.NewCatalogLoader()
//	loaded, err := loader.Load(ctx, "catalogs/zlib.cue")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tracker := engine.NewTracker(loaded.Catalog)
//
// A minimal catalog:
//
//	library: "tree"
//	headers: ["tree.h"]
//	roles: [{name: "node", ctype: "node_t *"}]
//	operations: [
//	    {name: "tree_new", returns: {kind: "resource", role: "node"}},
//	    {
//	        name: "tree_free"
//	        params: [{name: "n", kind: "resource", role: "node"}]
//	        effects: [{kind: "free", target: "n"}]
//	    },
//	]
//
// # Run Configuration
//
// LoadRunConfig reads a YAML file (or a .cue file checked against #Run) over
// DefaultRunConfig. SEQSYNTH_CONFIG names the file when no path is given.
//
// # Ranking
//
// BuildRanker turns the ranking section into an engine.Ranker. A Starlark
// script may define rank(c), called once per candidate with the fields of
// engine.CandidateInfo, or may set a weights dict that overrides the linear
// weights. Scripts run without print, with a step budget per rank call.
package config
