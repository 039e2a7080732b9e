// Package commands defines the tagctl CLI and wires dependencies for subcommands.
//
// Commands
//
//   - decode      Decode a base64 tag advertisement
//   - keygen      Create a PIN-wrapped account key pair
//   - location    Fetch and decrypt a tag's current location
//   - history     Load location history and export it as CSV or XLSX
//   - sightings   List recent scanner sightings from the local database
//   - report      Relay non-owner sightings to the find network
//
// Configuration comes from the same UTAG_* environment variables as the
// server, with flags taking precedence.
package commands
