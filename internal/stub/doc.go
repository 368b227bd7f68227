// Package stub provides a local stand-in for the voice processing endpoint,
// used for development and end-to-end tests of the capture service.
package stub
