// Package policy guards LIMS writes with Open Policy Agent (OPA) rules.
//
// A Guard holds Rego modules in package clarity.request. Before the session
// sends any mutating request it evaluates data.clarity.request.deny with
// this input:
//
//	{
//	  "method": "DELETE",
//	  "uri": "https://lims.example.com/api/v2/files/40-1",
//	  "environment": "production",
//	  "username": "apiuser",
//	  "dry_run": false
//	}
//
// Every deny value is a message string, or an object with "message" and an
// optional "severity". Error and critical messages abort the request with a
// POLICY_DENIED error; info and warning messages are logged.
//
//	package clarity.request
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.username == "robot"
//	    startswith(input.uri, "https://lims.example.com/api/v2/configuration/")
//	    msg := "robots may not change configuration"
//	}
//
// # Built-in Policies
//
//  1. production-delete denies DELETE on a production server (error)
//  2. production-configuration flags configuration writes on production (warning)
//
// # Hot Reload
//
// Policies are read from .rego and .json files or directories of them.
// Guard.Watch reloads them with fsnotify when a file changes; a reload that
// fails to compile leaves the previous policies in place.
//
//	guard, err := policy.NewGuard(ctx, policy.GuardOptions{Paths: []string{"/etc/clarity/policies"}})
//	if err != nil {
//	    return err
//	}
//	if err := guard.Watch(ctx); err != nil {
//	    return err
//	}
//	session, err := clarity.NewSession(clarity.Options{RootURI: root, Guard: guard})
package policy
