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

// Package cost estimates the hourly infrastructure cost of a DeployConfig's
// currently-owned workloads from their pod template resource requests.
package cost

import (
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Config defines the pricing configuration for cost estimation.
type Config struct {
	Currency          string
	CPUCostPerHour    float64
	MemoryCostPerHour float64
}

// DefaultConfig returns the default pricing configuration.
func DefaultConfig() *Config {
	return &Config{
		CPUCostPerHour:    0.04,  // $0.04 per vCPU-hour
		MemoryCostPerHour: 0.005, // $0.005 per GB-hour
		Currency:          "USD",
	}
}

// Estimator calculates the cost of a DeployConfig's owned workloads.
type Estimator struct {
	config *Config
	mu     sync.RWMutex
}

// NewEstimator creates a cost estimator with the given configuration. If
// config is nil, DefaultConfig is used.
func NewEstimator(config *Config) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{config: config}
}

// EstimateOwned sums the CPU and memory requests declared in every owned
// workload's pod template, multiplied by its replica count, and returns
// the resulting hourly cost formatted as "<currency> <amount>/hr". The
// Reconciler passes the set of manifests it has just applied, not its
// cluster.Client.ListOwned listing; resources with no pod template
// (Service, ConfigMap, Secret, Ingress) simply contribute nothing.
func (e *Estimator) EstimateOwned(owned []unstructured.Unstructured) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var totalCPU, totalMemoryGB float64
	for _, obj := range owned {
		replicas := int64(1)
		if n, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas"); found {
			replicas = n
		}
		containers, found := podContainers(obj.Object)
		if !found {
			continue
		}
		cpu, memGB := sumContainerRequests(containers)
		totalCPU += cpu * float64(replicas)
		totalMemoryGB += memGB * float64(replicas)
	}

	hourly := totalCPU*e.config.CPUCostPerHour + totalMemoryGB*e.config.MemoryCostPerHour
	return fmt.Sprintf("%s %s/hr", e.config.Currency, formatCost(hourly))
}

// podContainers locates a workload's pod template containers. Deployment,
// StatefulSet and DaemonSet nest them at spec.template.spec.containers;
// CronJob nests one level deeper under spec.jobTemplate. Job shares
// Deployment's shape.
func podContainers(obj map[string]interface{}) ([]interface{}, bool) {
	if containers, found, _ := unstructured.NestedSlice(obj, "spec", "template", "spec", "containers"); found {
		return containers, true
	}
	containers, found, _ := unstructured.NestedSlice(obj, "spec", "jobTemplate", "spec", "template", "spec", "containers")
	return containers, found
}

func sumContainerRequests(containers []interface{}) (cpuCores, memoryGB float64) {
	for _, c := range containers {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		requests, found, _ := unstructured.NestedStringMap(cm, "resources", "requests")
		if !found {
			continue
		}
		if v, ok := requests["cpu"]; ok {
			if q, err := resource.ParseQuantity(v); err == nil {
				cpuCores += float64(q.MilliValue()) / 1000.0
			}
		}
		if v, ok := requests["memory"]; ok {
			if q, err := resource.ParseQuantity(v); err == nil {
				memoryGB += float64(q.Value()) / (1024 * 1024 * 1024)
			}
		}
	}
	return cpuCores, memoryGB
}

// formatCost formats a cost value with 4 decimal places for transparency.
func formatCost(cost float64) string {
	return fmt.Sprintf("%.4f", cost)
}

// GetConfig returns the current pricing configuration.
func (e *Estimator) GetConfig() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig replaces the pricing configuration.
func (e *Estimator) UpdateConfig(config *Config) {
	if config == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
}
