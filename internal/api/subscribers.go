package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
)

// subscriberInput is shared by create and partial update; nil fields are
// left unchanged.
type subscriberInput struct {
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phone_number"`
	ChatHandle  *string `json:"chat_handle"`

	SubscribedToEmail *bool `json:"subscribed_to_email"`
	SubscribedToSMS   *bool `json:"subscribed_to_sms"`
	SubscribedToChat  *bool `json:"subscribed_to_chat"`
	IsActive          *bool `json:"is_active"`
}

func (in subscriberInput) apply(s *newsletter.Subscriber) {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setStr(&s.Email, in.Email)
	setStr(&s.PhoneNumber, in.PhoneNumber)
	setStr(&s.ChatHandle, in.ChatHandle)
	setBool(&s.SubscribedToEmail, in.SubscribedToEmail)
	setBool(&s.SubscribedToSMS, in.SubscribedToSMS)
	setBool(&s.SubscribedToChat, in.SubscribedToChat)
	setBool(&s.IsActive, in.IsActive)
	s.Normalize()
}

func (s *Server) listSubscribers(c *gin.Context) {
	opt, ok := listOptions(c)
	if !ok {
		return
	}
	subs, err := s.store.ListSubscribers(c.Request.Context(), opt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

func (s *Server) getSubscriber(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sub, err := s.store.GetSubscriber(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) createSubscriber(c *gin.Context) {
	var in subscriberInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, detailInvalidInput, "")
		return
	}
	sub := newsletter.Subscriber{IsActive: true}
	in.apply(&sub)
	if err := sub.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.store.CreateSubscriber(c.Request.Context(), sub)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) updateSubscriber(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in subscriberInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, detailInvalidInput, "")
		return
	}

	ctx := c.Request.Context()
	var out newsletter.Subscriber
	err := s.store.InTx(ctx, func(q storage.Querier) error {
		sub, err := q.GetSubscriber(ctx, id)
		if err != nil {
			return err
		}
		in.apply(&sub)
		if err := sub.Validate(); err != nil {
			return err
		}
		out, err = q.UpdateSubscriber(ctx, sub)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSubscriber(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteSubscriber(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
