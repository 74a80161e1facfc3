// Package contracts defines the message envelope, the typed payload
// union carried by every queue message, and the credential record
// consulted by the request gate. These types are shared by every
// other package and carry no behavior beyond construction and
// (de)serialization.
package contracts
