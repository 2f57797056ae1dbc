// Package publish holds the domain types shared across the engine:
// posts, accounts, delivery targets and the error taxonomy.
//
// A Post is composed once and fans out to one delivery Target per selected
// Account. Targets carry their own status so one slow or broken platform
// never hides the outcome on the others.
package publish
