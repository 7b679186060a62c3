package edgeproxy

import (
	"context"

	"github.com/robfig/cron/v3"
)

// maintenanceJob logs a periodic health and traffic summary on a cron
// schedule, so operators get a heartbeat in the logs even when nothing is
// failing.
type maintenanceJob struct {
	gateway *Gateway
	config  MaintenanceConfig
	cron    *cron.Cron
	entryID cron.EntryID
}

func newMaintenanceJob(gateway *Gateway, config MaintenanceConfig) *maintenanceJob {
	return &maintenanceJob{
		gateway: gateway,
		config:  config,
		cron:    cron.New(),
	}
}

// Start schedules the summary job and starts the cron runner. A no-op when
// the job is disabled.
func (j *maintenanceJob) Start() error {
	if !j.config.Enabled {
		return nil
	}

	entryID, err := j.cron.AddFunc(j.config.Schedule, j.logSummary)
	if err != nil {
		return err
	}
	j.entryID = entryID
	j.cron.Start()
	return nil
}

// Stop stops the cron runner, waiting for a running summary to finish.
func (j *maintenanceJob) Stop() {
	if !j.config.Enabled {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *maintenanceJob) logSummary() {
	ctx := context.Background()
	g := j.gateway

	healthyServers := 0
	totalServers := 0
	for _, svc := range g.services {
		totalServers += len(svc.balancer.Servers())
		healthyServers += svc.balancer.HealthyCount()
	}

	openCircuits := 0
	for _, svc := range g.services {
		for _, breaker := range svc.breakers {
			if breaker.GetState() == StateOpen {
				openCircuits++
			}
		}
	}

	requests := 0
	for name := range g.services {
		requests += g.metrics.RequestCount(name)
	}

	g.logger.InfoContext(ctx, "Gateway summary",
		"services", len(g.services),
		"servers_healthy", healthyServers,
		"servers_total", totalServers,
		"circuits_open", openCircuits,
		"requests_total", requests)
}
