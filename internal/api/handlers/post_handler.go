package handlers

import (
	"github.com/gofiber/fiber/v2"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type PostHandler struct {
	s    service.SchedulerService
	tick *job.TickJob
}

func NewPostHandler(service service.SchedulerService, tick *job.TickJob) *PostHandler {
	return &PostHandler{s: service, tick: tick}
}

func (h *PostHandler) CreatePost(c *fiber.Ctx) error {
	var spec transfer.PostSpec
	if err := parseBody(c, &spec); err != nil {
		return writeError(c, err)
	}

	post, err := h.s.SchedulePost(c.Context(), spec)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

func (h *PostHandler) SaveDraft(c *fiber.Ctx) error {
	var spec transfer.PostSpec
	if err := parseBody(c, &spec); err != nil {
		return writeError(c, err)
	}

	post, err := h.s.SaveDraft(c.Context(), spec)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// BulkSchedule answers 207 with one result per input, in input order.
func (h *PostHandler) BulkSchedule(c *fiber.Ctx) error {
	var req transfer.BulkScheduleRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}

	results := h.s.BulkSchedule(c.Context(), req.Posts)
	return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{"results": results})
}

func (h *PostHandler) ScheduleDraft(c *fiber.Ctx) error {
	id, err := PostID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req transfer.ScheduleDraftRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}

	post, err := h.s.ScheduleDraft(c.Context(), id, req.ScheduledTime)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	id, err := PostID(c)
	if err != nil {
		return writeError(c, err)
	}

	post, err := h.s.GetPost(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	filter := models.PostFilter{
		Status: models.PostStatus(c.Query("status")),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}

	posts, err := h.s.ListPosts(c.Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	if posts == nil {
		posts = []*models.Post{}
	}
	return c.Status(fiber.StatusOK).JSON(posts)
}

func (h *PostHandler) CancelPost(c *fiber.Ctx) error {
	id, err := PostID(c)
	if err != nil {
		return writeError(c, err)
	}

	if err := h.s.Cancel(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Post cancelled"})
}

func (h *PostHandler) RetryPost(c *fiber.Ctx) error {
	id, err := PostID(c)
	if err != nil {
		return writeError(c, err)
	}

	if err := h.s.Retry(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Post requeued"})
}

func (h *PostHandler) ListItems(c *fiber.Ctx) error {
	id, err := PostID(c)
	if err != nil {
		return writeError(c, err)
	}

	items, err := h.s.ListQueueItems(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	return c.Status(fiber.StatusOK).JSON(items)
}

func (h *PostHandler) QueueStats(c *fiber.Ctx) error {
	stats, err := h.s.QueueStats(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

// Tick runs one scheduler pass on demand. It answers 409 while a tick is
// already running in this process.
func (h *PostHandler) Tick(c *fiber.Ctx) error {
	report := h.tick.Run(c.Context())
	if report == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "tick already running"})
	}
	return c.Status(fiber.StatusOK).JSON(report)
}
