// Package nomad contains the message types and interfaces shared by the
// nomad server (see nomad/server) and the nomad client (see nomad/client).
//
// Nomad coordinates configuration changes across a set of servers with a two
// phase commit: a client discovers all servers, prepares the change on each of
// them and commits it only if every server accepted the prepare. Otherwise the
// prepared servers are rolled back. Interrupted changes are finished by a
// recovery process that takes over the prepared servers.
package nomad
