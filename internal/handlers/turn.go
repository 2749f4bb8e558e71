package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetICEServers returns the STUN/TURN configuration clients hand to their
// transports. The relay host is whatever address the client reached us on;
// the embedded relay listens on every interface.
func (h *Handlers) GetICEServers(c *gin.Context) {
	host := c.Request.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": h.turn.ICEServers(host)})
}
