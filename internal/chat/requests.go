package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/chatcore/internal/types"
)

type CreateRoomRequest struct {
	Name      string         `json:"name" validate:"max=100"`
	Kind      types.RoomKind `json:"kind" validate:"omitempty,oneof=direct group"`
	MemberIds []string       `json:"member_ids" validate:"omitempty,max=500,dive,required,max=128"`
}

type UpdateRoomRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type AddMembersRequest struct {
	UserIds []string   `json:"user_ids" validate:"required,min=1,max=500,dive,required,max=128"`
	Role    types.Role `json:"role" validate:"omitempty,oneof=owner admin member"`
}

type UpdateMemberRoleRequest struct {
	Role types.Role `json:"role" validate:"required,oneof=owner admin member"`
}

type SendMessageRequest struct {
	RoomId string `json:"room_id" validate:"required"`
	Body   string `json:"body" validate:"required,max=4000"`
}

type EditMessageRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so errors match what the client sent
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindValidation, Msg: "invalid request", Err: err}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}

	return &Error{Kind: KindValidation, Msg: "invalid request: " + strings.Join(problems, "; "), Err: err}
}
