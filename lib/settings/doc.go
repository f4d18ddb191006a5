// Package settings is the change applicator shipped with dNomad. The
// configuration it manages is a flat JSON object of string settings, e.g.
//
//	{"log.level":"info","restart.port":"8080"}
//
// A change is a list of set/unset operations encoded as JSON in the payload
// of a nomad.Change of type "settings". Keys must match [a-zA-Z0-9._-]+.
// Settings whose key starts with "restart." only take effect after a
// restart, committing such a change reports requiresRestart.
package settings
