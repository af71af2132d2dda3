// Package unlock asks the host to release files held by running processes.
//
// The apply stage consumes the Unlocker capability when a live file it must
// replace or delete is in use. ProcessUnlocker terminates processes running
// the file, matched by full path where the host reports it and by image name
// otherwise. Deny refuses every request.
package unlock
