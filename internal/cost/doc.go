/*
MIT License

Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package cost estimates the hourly infrastructure cost of a
// DeployConfig's currently-owned workloads.
//
// The estimate is derived from the resource requests declared in each
// owned workload's pod template, multiplied by its replica count:
//
//	CPU Cost = (Total CPU Cores) × (CPU Price Per Hour)
//	Memory Cost = (Total Memory GB) × (Memory Price Per Hour)
//	Hourly Cost = CPU Cost + Memory Cost
//
// Default Pricing:
//
//   - CPU: $0.04 per core per hour
//   - Memory: $0.005 per GB per hour
//
// Example usage:
//
//	estimator := cost.NewEstimator(cost.DefaultConfig())
//	owned, err := cl.ListOwned(ctx, ns, name)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	status.LastAppliedCost = estimator.EstimateOwned(owned)
package cost
