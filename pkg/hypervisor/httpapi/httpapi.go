// Package httpapi exposes the Hypervisor Manager's read-only status
// surface (SPEC_FULL.md §4.9): GET /vms, GET /vms/:id, GET /health. It
// mirrors the Server/handler shape of
// _examples/codeready-toolchain-tarsy/pkg/api/handlers.go, restricted to
// read-only routes — spawn/terminate remain Go-API-only per §5's
// concurrency-ownership rule.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

// Server wraps a *hypervisor.Manager with read-only HTTP handlers.
type Server struct {
	manager *hypervisor.Manager
}

// NewServer creates a Server over manager.
func NewServer(manager *hypervisor.Manager) *Server {
	return &Server{manager: manager}
}

// Register attaches the read-only routes to engine.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/vms", s.ListVMs)
	engine.GET("/vms/:id", s.GetVM)
	engine.GET("/health", s.Health)
}

// ListVMs handles GET /vms.
func (s *Server) ListVMs(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.ListVMs())
}

// GetVM handles GET /vms/:id.
func (s *Server) GetVM(c *gin.Context) {
	id := c.Param("id")
	inst, err := s.manager.GetStatus(id)
	if err != nil {
		if codes.Is(err, codes.VMNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Health handles GET /health, reporting the VM count by state as a cheap
// proxy for manager liveness.
func (s *Server) Health(c *gin.Context) {
	vms := s.manager.ListVMs()
	byState := make(map[hypervisor.State]int)
	for _, vm := range vms {
		byState[vm.State]++
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "vm_count": len(vms), "by_state": byState})
}
