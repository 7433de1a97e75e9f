// Package telemetry provides observability for seqsynth runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event bus:
//
//  1. Logger wraps zerolog with run, library and entry fields.
//  2. Tracer records run spans and one span per oracle invocation.
//  3. Metrics implements engine.Observer.
//  4. EventBus implements engine.EventPublisher and forwards events to
//     subscribers and sinks such as the corpus store.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.AddSink(store)
//	oracle = tel.Tracer.WrapOracle(oracle)
//	fuzzer, err := engine.NewFuzzer(catalog, corpus, oracle, cfg, tel.FuzzerOptions()...)
//
//	scope := tel.StartRun(ctx, runID, catalog.Library)
//	summary, err := fuzzer.Run(scope.Ctx)
//	scope.End(summary, err)
//
// # Metrics
//
// All metrics carry the seqsynth namespace by default:
//
//	seqsynth_sequences_synthesized_total{library}
//	seqsynth_syntheses_discarded_total{library}
//	seqsynth_sequence_length_calls{library}
//	seqsynth_backtracks_total{library}
//	seqsynth_contract_rejections_total{library}
//	seqsynth_oracle_duration_seconds{library,oracle}
//	seqsynth_execution_faults_total{library,kind}
//	seqsynth_combinations_total{library,result}
//	seqsynth_corpus_entries{library}
//	seqsynth_covered_branches{library}
//	seqsynth_runs_completed_total{library,status}
//	seqsynth_run_duration_seconds{library,status}
//	seqsynth_active_runs
//
// Metrics.Serve exposes them over HTTP when a listen address is configured.
//
// # Tracing
//
// The otlp exporter speaks gRPC to a collector; stdout pretty-prints spans
// to stderr; none records spans without exporting them.
package telemetry
