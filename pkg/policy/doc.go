// Package policy gates corpus admission with Open Policy Agent (OPA).
//
// Every scored candidate the fuzzer wants to keep is rendered as an Input
// document (its calls, instances left live, quality record and the run's
// policy parameters) and evaluated against a set of Rego policies. Each
// policy contributes findings through a deny set in its package:
//
//	package seqsynth.custom.nofree
//
//	import rego.v1
//
//	deny contains violation if {
//	    some call in input.calls
//	    call.op == "free"
//	    violation := {"message": "raw free is not allowed", "operation": call.op}
//	}
//
// A finding is either a string or an object with message, and optionally
// severity and operation. Findings of severity error or critical deny the
// candidate; info and warning findings are only logged.
//
// # Built-in Policies
//
//   - banned-operations: calls to an operation on the ban list
//   - sequence-length: empty sequences and sequences over max_length
//   - cleanup-required: caller-owned instances still live after the last call
//   - coverage-quality (warning): no declared branch covered, no critical call
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	gate := policy.NewGate(eng, catalog, policy.Params{MaxLength: 32}, logger)
//	fuzzer := engine.NewFuzzer(catalog, corpus, oracle, cfg, engine.WithGate(gate))
//
// Policy files are .rego modules named after the file. Their leading
// comments describe the policy and a "# severity: error" line sets its
// default severity. Engine.Watch reloads the files on change; a reload that
// fails to compile leaves the previous set in place.
package policy
