package build

// Version is the fleetd build version, overridable at link time.
var Version = "0.3.1"
