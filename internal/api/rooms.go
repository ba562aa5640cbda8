package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-erd/internal/controller"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/npezzotti/go-erd/internal/persist"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/npezzotti/go-erd/internal/types"
)

// errNotParticipant is returned for users outside a private room.
var errNotParticipant = errors.New("not a participant")

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
}

type AddParticipantRequest struct {
	UserId int        `json:"user_id"`
	Role   types.Role `json:"role"`
}

// UpdateDiagramRequest replaces the diagram document of a room.
type UpdateDiagramRequest struct {
	DiagramData json.RawMessage `json:"diagram_data"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RoomDetails is a room with the users currently connected to it.
type RoomDetails struct {
	types.Room
	ActiveUsers []int `json:"active_users"`
}

func toParticipant(p database.Participant) types.Participant {
	return types.Participant{
		UserId:    p.AccountId,
		Username:  p.Username,
		Role:      types.Role(p.Role),
		CreatedAt: p.CreatedAt,
	}
}

func toRoom(r database.Room) types.Room {
	room := types.Room{
		Id:          r.ExternalId,
		Name:        r.Name,
		Description: r.Description,
		HostId:      r.HostId,
		IsPublic:    r.IsPublic,
		Role:        types.Role(r.Role),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	for _, p := range r.Participants {
		room.Participants = append(room.Participants, toParticipant(p))
	}
	return room
}

// accessRole returns the role of userId in room. Users outside a public
// room read it as viewers.
func (s *App) accessRole(ctx context.Context, room database.Room, userId int) (types.Role, error) {
	p, err := s.db.GetParticipant(ctx, room.Id, userId)
	if err == nil {
		return types.Role(p.Role), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if room.IsPublic {
		return types.RoleViewer, nil
	}
	return "", errNotParticipant
}

// loadRoom resolves the {id} path value and the caller's role in it,
// writing the error response when it fails.
func (s *App) loadRoom(w http.ResponseWriter, r *http.Request) (database.Room, int, types.Role, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return database.Room{}, 0, "", false
	}

	externalId := r.PathValue("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return database.Room{}, 0, "", false
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), externalId)
	if err != nil {
		s.writeError(w, lookupError(err))
		return database.Room{}, 0, "", false
	}

	role, err := s.accessRole(r.Context(), room, userId)
	if err != nil {
		if errors.Is(err, errNotParticipant) {
			s.writeError(w, NewForbiddenError())
		} else {
			s.writeError(w, NewInternalServerError(err))
		}
		return database.Room{}, 0, "", false
	}

	return room, userId, role, true
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.Name == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newRoom, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		HostId:      userId,
		ExternalId:  sid,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		s.log.Println("create room:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toRoom(newRoom))
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbRooms, err := s.db.ListRooms(r.Context(), userId)
	if err != nil {
		s.log.Println("list rooms:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, toRoom(room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *App) getRoom(w http.ResponseWriter, r *http.Request) {
	room, _, role, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	details := RoomDetails{Room: toRoom(room), ActiveUsers: []int{}}
	details.Role = role
	if s.ds != nil {
		details.ActiveUsers = s.ds.ActiveUsers(room.ExternalId)
	}

	s.writeJson(w, http.StatusOK, details)
}

func (s *App) deleteRoom(w http.ResponseWriter, r *http.Request) {
	room, _, role, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	if role != types.RoleHost {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(r.Context(), room.Id); err != nil {
		s.log.Println("delete room:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if s.ds != nil {
		if err := s.ds.UnloadRoom(r.Context(), room.ExternalId, true); err != nil {
			s.log.Println("unload deleted room:", err)
			s.writeError(w, NewInternalServerError(err))
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// joinRoom makes the caller a participant. Public rooms admit anyone as
// an editor; existing participants keep their role.
func (s *App) joinRoom(w http.ResponseWriter, r *http.Request) {
	room, userId, role, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	if role == types.RoleViewer && room.IsPublic {
		p, err := s.db.AddParticipant(r.Context(), room.Id, userId, string(types.RoleEditor))
		if err != nil {
			s.log.Println("add participant:", err)
			s.writeError(w, NewInternalServerError(err))
			return
		}
		role = types.Role(p.Role)
	}

	joined := toRoom(room)
	joined.Role = role
	s.writeJson(w, http.StatusOK, joined)
}

func (s *App) listParticipants(w http.ResponseWriter, r *http.Request) {
	room, _, _, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	dbParticipants, err := s.db.ListParticipants(r.Context(), room.Id)
	if err != nil {
		s.log.Println("list participants:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	participants := make([]types.Participant, 0, len(dbParticipants))
	for _, p := range dbParticipants {
		participants = append(participants, toParticipant(p))
	}

	s.writeJson(w, http.StatusOK, participants)
}

// addParticipant lets the host invite a user as an editor or viewer.
func (s *App) addParticipant(w http.ResponseWriter, r *http.Request) {
	room, _, role, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	if role != types.RoleHost {
		s.writeError(w, NewForbiddenError())
		return
	}

	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.UserId <= 0 || !req.Role.Valid() || req.Role == types.RoleHost {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.db.GetAccountById(r.Context(), req.UserId); err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	p, err := s.db.AddParticipant(r.Context(), room.Id, req.UserId, string(req.Role))
	if err != nil {
		s.log.Println("add participant:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toParticipant(p))
}

func (s *App) getDiagram(w http.ResponseWriter, r *http.Request) {
	room, _, _, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	row, err := s.db.GetRoom(r.Context(), room.ExternalId)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, row)
}

// putDiagram stores a full diagram document. The write is rejected unless
// its version is newer than the stored one.
func (s *App) putDiagram(w http.ResponseWriter, r *http.Request) {
	room, _, role, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeError(w, NewForbiddenError())
		return
	}

	var req UpdateDiagramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.DiagramData) == 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}

	if err := s.db.UpdateDiagram(r.Context(), room.ExternalId, req.DiagramData, req.UpdatedAt); err != nil {
		if errors.Is(err, persist.ErrVersionConflict) {
			s.stats.Incr(stats.VersionConflicts)
		}
		s.writeError(w, storeError(err))
		return
	}

	s.stats.Incr(stats.DiagramWrites)
	w.WriteHeader(http.StatusNoContent)
}

func (s *App) exportDiagram(w http.ResponseWriter, r *http.Request) {
	room, _, _, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	format := controller.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = controller.FormatJSON
	}

	row, err := s.db.GetRoom(r.Context(), room.ExternalId)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	d, err := diagram.Unmarshal(row.DiagramData)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out, err := controller.RenderExport(d, format)
	if err != nil {
		if errors.Is(err, controller.ErrUnknownFormat) {
			s.writeError(w, NewBadRequestError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", room.ExternalId+"."+exportExt(format)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func exportExt(f controller.ExportFormat) string {
	if f == controller.FormatCode {
		return "java"
	}
	return string(f)
}

// storeError maps a document store error to a response.
func storeError(err error) *ApiError {
	var verr *diagram.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewValidationError(verr)
	case errors.Is(err, persist.ErrVersionConflict):
		return NewConflictError()
	case errors.Is(err, persist.ErrRoomNotFound):
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}
