package tunnelserver

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type tunnelJSON struct {
	ID        string     `json:"id"`
	Subdomain string     `json:"subdomain"`
	URL       string     `json:"url"`
	ClientIP  string     `json:"clientIp"`
	Active    bool       `json:"active"`
	Metadata  Metadata   `json:"metadata"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

func toJSON(t *Tunnel) tunnelJSON {
	out := tunnelJSON{
		ID:        t.ID,
		Subdomain: t.Subdomain,
		URL:       t.URL,
		ClientIP:  t.ClientIP,
		Active:    t.Active,
		CreatedAt: t.CreatedAt,
		ClosedAt:  t.ClosedAt,
	}
	_ = json.Unmarshal(t.Metadata, &out.Metadata)
	return out
}

// adminHandler lists registered tunnels. Token hashes are never exposed.
func (s *Server) adminHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/tunnels", func(c *gin.Context) {
		active, err := s.registry.Active(c.Request.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("list tunnels")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]tunnelJSON, 0, len(active))
		for i := range active {
			out = append(out, toJSON(&active[i]))
		}
		c.JSON(http.StatusOK, gin.H{"tunnels": out})
	})

	r.GET("/tunnels/:id", func(c *gin.Context) {
		t, err := s.registry.Get(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "tunnel not found"})
		case err != nil:
			s.log.Error().Err(err).Msg("get tunnel")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, toJSON(t))
		}
	})
	return r
}

func (s *Server) serveAdmin(ln net.Listener) {
	defer s.wg.Done()
	if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error().Err(err).Msg("admin server failed")
	}
}
