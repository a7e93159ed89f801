// Package testutils provides testing utilities for the dbha project.
//
// Key components:
//   - FakeDriver: a scripted driver.Driver whose endpoints can be taken down,
//     slowed down or made to fail a number of executions
//
// Example usage:
//
//	drv := testutils.NewFakeDriver()
//	drv.SetDown("db2", true)
//	sys, err := resilient.NewBuilder().WithDriver(drv).WithEndpoint(...).Build(ctx)
package testutils
