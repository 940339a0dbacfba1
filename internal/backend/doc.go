// Package backend defines the capability every AI completion backend
// implements (completion, model listing, health probing), the request and
// response types exchanged with the execution engine, and the registry that
// resolves backend names to enabled instances.
package backend
