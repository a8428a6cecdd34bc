// Package restart coordinates in-process restarts of the serve loop.
//
// The Supervisor carries stop/restart intents between signal sources and
// the serve loop; a restart arriving while a shutdown is already in
// flight upgrades it. The sentinel file records why a restart happened
// and is fsynced to disk before any restart signal is raised, so the
// next process start can always explain itself.
package restart
