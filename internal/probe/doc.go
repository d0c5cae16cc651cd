// Package probe holds the records shared by the hub's components (queries,
// providers, API clients) and the interfaces of the collaborators the hub
// consumes: the document store, geolocation, CAPTCHA verification, clocks and
// ID generators.
package probe
