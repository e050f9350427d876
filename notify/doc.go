// Package notify provides goIdP.Sender implementations for codes sent by email
// and SMS: a log sender for development and a signed webhook for production
// delivery gateways.
package notify
