// Package saga runs long-running, multi-step operations that survive process
// restarts.
//
// A Saga is an ordered list of steps plus immutable inputs. Each step appends
// versioned State snapshots to its own history; the newest snapshot across
// the saga is the state the next step sees. Every step write is persisted to
// a Repository before the engine moves on, so a crashed process can pick the
// saga up again by submitting it under the same id.
//
// Overview
//
//  1. Define step functions and compose them, either with NewStep directly or
//     with a Flow:
//
//     flow := saga.NewFlow("deploy").
//         Then("bake", "Bake image", bake).
//         Then("launch", "Launch instance", launch)
//
//  2. Build a saga with a stable id and its inputs. The inputs checksum guards
//     against resubmitting the same id with different inputs.
//
//  3. Create an Engine over a Repository (MemoryRepository, FileRepository,
//     sqlstore or redisstore) and add interceptors such as
//     SkipCompletedSteps and MaxAttempts.
//
//  4. Call Process with a ResultFunc that turns the final state into the
//     caller's result. Retryable step failures are re-driven immediately;
//     bound them with MaxAttempts.
//
// Step functions cannot be persisted. They are re-attached by step id on
// every resume, from the submitted saga or from a StepRegistry.
package saga
