// Package subscription contains the read side of user subscriptions. Each
// subpackage answers "who is subscribed to variant X and wants alerts" for the
// notification dispatcher; user management itself lives elsewhere.
package subscription
