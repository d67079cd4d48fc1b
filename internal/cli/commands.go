package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fjod/go_cart/cart-core/internal/client"
	"github.com/fjod/go_cart/cart-core/internal/pricing"
	"github.com/spf13/cobra"
)

type mutation func(ctx context.Context, c *client.Client) (client.State, error)

// runMutation loads the cart, applies m and prints the result.
func runMutation(opts *RootOptions, cmd *cobra.Command, m mutation) error {
	return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
		env.Cart.Load(ctx)
		s, err := m(ctx, env.Cart)
		if err != nil {
			return out.Error(err)
		}
		return out.State(env.Session.Info(), s)
	})
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
				s := env.Cart.Load(ctx)
				return out.State(env.Session.Info(), s)
			})
		},
	}
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	var (
		quantity    int
		length      string
		gift        bool
		giftMessage string
		priceCents  int64
		taxRate     string
	)
	cmd := &cobra.Command{
		Use:   "add <product-id>",
		Short: "Add a product to the cart",
		Long: `Add a product to the cart. Adding a product that is already in the cart
increases its quantity. Products priced by length need --length.

--price is only used while the service is unreachable, to price the line
locally; the service price replaces it on the next sync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || productID <= 0 {
				return fmt.Errorf("invalid product id %q", args[0])
			}
			req := client.AddItemRequest{
				ProductID:   productID,
				Quantity:    quantity,
				IsGift:      gift || giftMessage != "",
				GiftMessage: giftMessage,
			}
			if length != "" {
				d, err := pricing.ParseDecimal(length)
				if err != nil {
					return err
				}
				req.CustomLength = &d
			}

			var hint *pricing.ProductPrice
			if priceCents > 0 {
				hint = &pricing.ProductPrice{BasePrice: priceCents}
				if taxRate != "" {
					if hint.TaxRate, err = pricing.ParseDecimal(taxRate); err != nil {
						return err
					}
				}
			}

			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				return c.AddItem(ctx, req, hint)
			})
		},
	}
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 1, "quantity to add")
	cmd.Flags().StringVar(&length, "length", "", "custom length for products priced by dimension")
	cmd.Flags().BoolVar(&gift, "gift", false, "mark the line as a gift")
	cmd.Flags().StringVar(&giftMessage, "gift-message", "", "gift message for the line")
	cmd.Flags().Int64Var(&priceCents, "price", 0, "unit price in cents for offline pricing")
	cmd.Flags().StringVar(&taxRate, "tax-rate", "", "tax rate for offline pricing, e.g. 0.0825")
	return cmd
}

func newUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <item-id> <quantity>",
		Short: "Set the quantity of a line; 0 removes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity, err := strconv.Atoi(args[1])
			if err != nil || quantity < 0 {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				return c.UpdateQuantity(ctx, args[0], quantity)
			})
		},
	}
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove a line from the cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				return c.RemoveItem(ctx, args[0])
			})
		},
	}
}

func newClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every line from the cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				return c.Clear(ctx)
			})
		},
	}
}

func newDiscountCommand(opts *RootOptions) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "discount [code]",
		Short: "Apply or remove a discount code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove == (len(args) == 1) {
				return fmt.Errorf("give either a code or --remove")
			}
			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				if remove {
					return c.RemoveDiscount(ctx)
				}
				return c.ApplyDiscount(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the current code")
	return cmd
}

func newGiftCommand(opts *RootOptions) *cobra.Command {
	var gift client.GiftRequest
	var drop bool
	cmd := &cobra.Command{
		Use:   "gift",
		Short: "Set or clear the cart gift options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if drop {
				gift = client.GiftRequest{}
			}
			return runMutation(opts, cmd, func(ctx context.Context, c *client.Client) (client.State, error) {
				return c.SetGift(ctx, gift)
			})
		},
	}
	cmd.Flags().StringVar(&gift.Recipient, "recipient", "", "gift recipient")
	cmd.Flags().StringVar(&gift.Message, "message", "", "gift message")
	cmd.Flags().BoolVar(&gift.Wrap, "wrap", false, "gift wrap the order")
	cmd.Flags().BoolVar(&drop, "clear", false, "remove the gift options")
	return cmd
}

func newValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check stock and prices before checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
				report, err := env.Cart.Validate(ctx)
				if err != nil {
					return out.Error(err)
				}
				return out.Report(report)
			})
		},
	}
}

func newLoginCommand(opts *RootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Sign in and merge the guest cart into the user's cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = envOr("CARTCTL_TOKEN", "")
			}
			if token == "" {
				return fmt.Errorf("a bearer token is required (--token or CARTCTL_TOKEN)")
			}
			return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
				env.Cart.Load(ctx)
				s := env.Cart.Login(ctx, args[0], token)
				return out.State(env.Session.Info(), s)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued for the user")
	return cmd
}

func newLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and continue as a guest on the same session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
				s := env.Cart.Logout(ctx)
				return out.State(env.Session.Info(), s)
			})
		},
	}
}

func newResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start over with a new guest session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(opts, cmd, func(ctx context.Context, env *Env, out *Formatter) error {
				s := env.Cart.Reset(ctx)
				return out.State(env.Session.Info(), s)
			})
		},
	}
}
