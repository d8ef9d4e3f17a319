// hangarctl is the operator CLI for the Hangar control API.
//
// Connection defaults are read from HANGAR_API_URL, HANGAR_INTERNAL_SECRET and
// HANGAR_CRON_SECRET (or a .env file) and can be overridden with flags.
package main

func main() {
	Execute()
}
