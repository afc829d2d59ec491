package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades agent connections and hands them to the dispatcher.
// HandleConnection blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Agents are not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.deps.Dispatcher.HandleConnection(c.Request().Context(), conn)
	return nil
}
