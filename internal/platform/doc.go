// Package platform adapts the handful of device primitives the node
// needs from its host: a stable hardware identifier, a way to restart
// into a newly installed image, and a low-power sleep for the
// measure-and-sleep variant.
package platform
